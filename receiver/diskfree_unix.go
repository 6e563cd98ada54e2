//go:build unix

package receiver

import "golang.org/x/sys/unix"

// freeDisk returns the free capacity in bytes of the filesystem backing dir.
func freeDisk(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
