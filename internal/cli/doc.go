// Package cli implements the grantgate operator CLI.
package cli
