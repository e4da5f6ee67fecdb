//go:build !linux

package kitbuilder

func commitNoReplace(src, dst string) error {
	return linkCommit(src, dst)
}
