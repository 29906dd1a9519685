// pfman manages ssh and kubectl port-forwarding tunnels.
package main

import "os"

func main() {
	os.Exit(execute())
}
