//go:build !unix

package failures

// lockDir is a no-op where flock is unavailable; only the in-process mutex
// applies.
func lockDir(string) (func(), error) {
	return func() {}, nil
}
