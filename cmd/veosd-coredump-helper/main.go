// Command veosd-coredump-helper is the privilege-dropping half of spec.md
// §4.6 step 4: it runs under the target process's already-dropped
// credentials (set by its parent's fork before exec), opens the dump file
// itself so the file's owner matches the dumped process rather than
// veosd's own identity, and hands the fd back over SCM_RIGHTS on fd 3.
package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: veosd-coredump-helper <dump-path>")
		os.Exit(2)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "veosd-coredump-helper:", err)
		os.Exit(1)
	}
}

// run opens path for writing and sends its fd over the socket veosd
// passed as fd 3 (the sole entry of exec.Cmd.ExtraFiles).
func run(path string) error {
	const sockFD = 3

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("open dump file: %w", err)
	}
	defer f.Close()

	rights := unix.UnixRights(int(f.Fd()))
	if err := unix.Sendmsg(sockFD, []byte{0}, rights, nil, 0); err != nil {
		return fmt.Errorf("send fd: %w", err)
	}
	return nil
}
