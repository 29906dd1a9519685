// Package suggest offers completion candidates when a session is created:
// hosts from the user's OpenSSH client configuration and contexts,
// namespaces and forwardable targets from kubectl.
//
// Providers never fail a create; callers show whatever they get and fall
// back to free-form input.
package suggest
