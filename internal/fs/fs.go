// Package fs holds some utilities for manipulating the file system
package fs

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

const defaultDirectoryPermission = 0o740

// HomeFolder returns the home folder of the current user, or the empty
// string when it cannot be determined.
func HomeFolder() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.HomeDir
}

// CreateSecureFolder creates folder with user-only write permission if it
// does not exist yet.
func CreateSecureFolder(folder string) error {
	exists, err := Exists(folder)
	if err != nil {
		return err
	}
	if exists {
		info, err := os.Stat(folder)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a folder", folder)
		}
		return nil
	}
	return os.MkdirAll(folder, defaultDirectoryPermission)
}

// CreateParentFolder makes sure the folder holding file exists.
func CreateParentFolder(file string) error {
	return CreateSecureFolder(filepath.Dir(file))
}

// Exists returns whether the given file or directory exists.
func Exists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return true, err
}
