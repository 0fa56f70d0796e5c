//go:build !linux && !darwin

package build

// diskFree reports 0 on platforms without Statfs, which disables the
// free-space preflight.
func diskFree(path string) (uint64, error) {
	return 0, nil
}
