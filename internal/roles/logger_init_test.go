package roles

import (
	"os"
	"testing"

	"github.com/Draegerwerk/sdc11073/internal/logger"
)

func TestMain(m *testing.M) {
	_ = logger.InitLog("error", false)
	os.Exit(m.Run())
}
