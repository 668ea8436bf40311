//go:build !unix

package segment

// fsyncDir is a no-op on platforms without a directory-fsync primitive
// (e.g. Windows): correctness does not depend on it, only the narrow
// crash window between a rename landing and its directory entry becoming
// durable.
func fsyncDir(dir string) {}
