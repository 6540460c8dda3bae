package main

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// getOriginalUser gets the user who invoked sudo
func getOriginalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, fmt.Errorf("SUDO_USER environment variable not found")
	}
	return user.Lookup(sudoUser)
}

// dropPrivileges drops root privileges to the original user. Probe, maps
// and reader stay usable through the descriptors already open.
func dropPrivileges() (*user.User, error) {
	u, err := getOriginalUser()
	if err != nil {
		return nil, fmt.Errorf("could not get original user: %w", err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("invalid uid: %w", err)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("invalid gid: %w", err)
	}

	// supplementary groups first, they cannot be changed once uid is dropped
	if err := unix.Setgroups([]int{gid}); err != nil {
		return nil, fmt.Errorf("could not drop supplementary groups: %w", err)
	}

	if err := unix.Setgid(gid); err != nil {
		return nil, fmt.Errorf("could not drop group privileges: %w", err)
	}

	if err := unix.Setuid(uid); err != nil {
		return nil, fmt.Errorf("could not drop user privileges: %w", err)
	}

	return u, nil
}
