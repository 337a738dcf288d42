// Dropzone uploads dropped files and folders.
//
// Features:
// - Drop paths from the host filesystem, including empty directories
// - Folder-picker mode for hosts that only expose a flat file list
// - Bucket prefixes as a drop source
// - Local, S3 and remote server destinations
// - Login gate that holds uploads until a session exists
// - Prometheus metrics, structured logging (zap), optional Postgres journal
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
