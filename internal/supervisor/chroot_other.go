//go:build !unix

package supervisor

import "fmt"

// Chroot is unsupported outside unix; Listen callers on these platforms
// must pass an empty chrootPath.
func Chroot(username, path string) error {
	return fmt.Errorf("supervisor: chroot is not supported on this platform")
}
