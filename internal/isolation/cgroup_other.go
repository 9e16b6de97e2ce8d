//go:build !linux

package isolation

import "errors"

func newKernelSandbox() (Sandbox, error) {
	return nil, errors.New("cgroups are only available on linux")
}
