// Command xsshpasswd maintains the username:salt:hash credential file
// used by cmd/xsshd-stub's password auth method checker, grounded on
// xspasswd/xspasswd.go.
package main

import (
	"flag"
	"fmt"
	"os"

	"blitter.com/go/xssh/auth"
	"blitter.com/go/xssh/internal/termmode"
)

func main() {
	var username, passwdFile string
	var remove bool

	flag.StringVar(&username, "u", "", "username")
	flag.StringVar(&passwdFile, "f", "/etc/xssh.passwd", "credential file")
	flag.BoolVar(&remove, "d", false, "delete the named user's entry instead of setting a password")
	flag.Parse()

	if username == "" {
		fmt.Fprintln(os.Stderr, "xsshpasswd: specify username with -u")
		os.Exit(1)
	}

	store, err := auth.LoadCredentialFile(passwdFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "xsshpasswd:", err)
		os.Exit(1)
	}

	if remove {
		if err := store.Remove(username); err != nil {
			fmt.Fprintln(os.Stderr, "xsshpasswd:", err)
			os.Exit(1)
		}
		if err := store.Save(); err != nil {
			fmt.Fprintln(os.Stderr, "xsshpasswd:", err)
			os.Exit(1)
		}
		return
	}

	fmt.Print("New Password: ")
	newpw, err := termmode.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xsshpasswd:", err)
		os.Exit(1)
	}

	fmt.Print("Confirm: ")
	confirmpw, err := termmode.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fmt.Fprintln(os.Stderr, "xsshpasswd:", err)
		os.Exit(1)
	}

	if string(newpw) != string(confirmpw) {
		fmt.Fprintln(os.Stderr, "xsshpasswd: passwords do not match")
		os.Exit(1)
	}

	if err := store.Upsert(username, string(newpw)); err != nil {
		fmt.Fprintln(os.Stderr, "xsshpasswd:", err)
		os.Exit(1)
	}
	if err := store.Save(); err != nil {
		fmt.Fprintln(os.Stderr, "xsshpasswd:", err)
		os.Exit(1)
	}
}
