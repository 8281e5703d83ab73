package homedir

import (
	"os"
	"os/user"
	"path/filepath"
)

func Get() string {
	h := os.Getenv("HOME")
	if h != "" {
		return h
	}

	usr, err := user.Current()
	if err != nil {
		panic(err)
	}
	return usr.HomeDir
}

// StateDir returns the default directory for the database and cached
// tokens.
func StateDir() string {
	return filepath.Join(Get(), ".mailsweep")
}
