//go:build !unix

package process

import "os"

func signalOf(*os.ProcessState) (int, bool) {
	return 0, false
}

func closeOnExec(uintptr) {}
