package kitbuilder

import "os"

// linkCommit publishes src at dst with a hard link, which fails when dst
// exists, then drops the src name.
func linkCommit(src, dst string) error {
	if err := os.Link(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
