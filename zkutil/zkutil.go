// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package zkutil

import (
	"fmt"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

const (
	DefaultClientDir  = ".zkrelay"
	DefaultClientConf = "zkrelay.conf"
	DefaultClientLog  = "zkrelay.log"

	DefaultServerDir  = ".zkrelayd"
	DefaultServerConf = "zkrelayd.conf"
	DefaultServerLog  = "zkrelayd.log"

	versionMajor = 0
	versionMinor = 1
	versionPatch = 0
)

// Version returns the semantic version of the zkrelay binaries.
func Version() string {
	return fmt.Sprintf("%d.%d.%d", versionMajor, versionMinor, versionPatch)
}

func DefaultClientRootPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("homedir: %v", err)
	}
	return filepath.Join(home, DefaultClientDir), nil
}

func DefaultServerRootPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("homedir: %v", err)
	}
	return filepath.Join(home, DefaultServerDir), nil
}
