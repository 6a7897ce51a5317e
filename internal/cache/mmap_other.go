//go:build !unix

package cache

import "os"

// mmapFile reads path into memory on platforms without mmap support.
func mmapFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func munmap([]byte) error { return nil }
