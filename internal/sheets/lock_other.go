//go:build !unix

package sheets

import "os"

// Without flock the in-process mutex is the only guard.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) {}
