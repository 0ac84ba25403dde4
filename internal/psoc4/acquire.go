package psoc4

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/psoc4-flasher/internal/srom"
	"github.com/bigbag/psoc4-flasher/internal/target"
)

const (
	// debug and system power-up requests plus the sticky error clears
	acquireCtrlStat = 0x54000000
	// 32-bit accesses, no auto-increment
	acquireCSW      = 0x00000002
	testModeRequest = 0x80000000
)

// Acquire puts a freshly connected chip into test mode and waits for
// the boot ROM to hand the core back to the debugger. It does nothing
// when the debug port does not carry the PSoC 4 id. Failures are
// reported so the caller can log them; identification may still work.
func Acquire(ctx context.Context, dp target.DebugPort, timeout time.Duration) error {
	if dp.IDCode() != srom.LinkIDCode {
		glog.V(1).Infof("psoc4: idcode 0x%08x, skipping acquisition", dp.IDCode())
		return nil
	}
	if timeout <= 0 {
		timeout = srom.DefaultTimeout
	}

	if err := dp.WriteDP(ctx, target.CTRLSTAT, acquireCtrlStat); err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	if err := dp.WriteDP(ctx, target.SELECT, 0); err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	if err := dp.WriteAP(ctx, target.APCSW, acquireCSW); err != nil {
		return fmt.Errorf("acquire: %w", err)
	}

	if err := dp.WriteAP(ctx, target.APTAR, srom.TestMode); err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	if err := dp.WriteAP(ctx, target.APDRW, testModeRequest); err != nil {
		return fmt.Errorf("acquire: %w", err)
	}

	mode, err := readMem(ctx, dp, srom.TestMode)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	if mode&testModeRequest == 0 {
		return fmt.Errorf("acquire: TEST_MODE=0x%08x: %w", mode, ErrTestMode)
	}

	deadline := time.Now().Add(timeout)
	for {
		v, err := readMem(ctx, dp, srom.SysReq)
		if err != nil {
			return fmt.Errorf("acquire: %w", err)
		}
		if v&srom.PrivilegedBit == 0 {
			glog.V(1).Infof("psoc4: acquired, test mode entered")
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrAcquireTimeout
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// readMem reads one word through the AP. AP reads are posted, so the
// first DRW read only starts the access and the second returns it.
func readMem(ctx context.Context, dp target.DebugPort, addr uint32) (uint32, error) {
	if err := dp.WriteAP(ctx, target.APTAR, addr); err != nil {
		return 0, err
	}
	if _, err := dp.ReadAP(ctx, target.APDRW); err != nil {
		return 0, err
	}
	return dp.ReadAP(ctx, target.APDRW)
}
