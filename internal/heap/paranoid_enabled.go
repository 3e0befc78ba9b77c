//go:build paranoid

package heap

func init() {
	paranoidEnabled = true
}
