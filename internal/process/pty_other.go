//go:build !linux && !darwin

package process

import (
	"os"

	"github.com/pxs-lab/experimenter/internal/model"
)

func openPTY() (masters, slaves []*os.File, err error) {
	return nil, nil, model.ErrPTYUnsupported
}
