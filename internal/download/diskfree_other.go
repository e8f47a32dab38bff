//go:build !unix

package download

import "errors"

func freeSpace(string) (uint64, error) {
	return 0, errors.ErrUnsupported
}
