package msio

// Windows has no umask.
func applyUmask(mask int) func() {
	return func() {}
}
