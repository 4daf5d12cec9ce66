package probe

import (
	"context"
	"os/exec"
	"sync"

	"grimm.is/cm2/internal/logging"
)

// SubprocessRunner implements the "process fork is the default back-end"
// alternative: each Task's Exec command is launched, and its exit code
// is decoded into a ResultMask by decodeExitCode, one exit-code bit per
// per-family check result (see decodeExitCode for the layout). The parent reaps
// completion via cmd.Wait and routes the result through the same
// Results() channel the Pool back-end uses, so callers can swap backends
// without changing how they consume completions.
type SubprocessRunner struct {
	results chan Result
	log     *logging.Logger
	wg      sync.WaitGroup
}

// NewSubprocessRunner creates a sub-process-backed Runner.
func NewSubprocessRunner(log *logging.Logger) *SubprocessRunner {
	if log == nil {
		log = logging.Default()
	}
	return &SubprocessRunner{
		results: make(chan Result, 64),
		log:     log.WithComponent("probe.subprocess"),
	}
}

// Submit forks t.Exec and decodes its exit code into a ResultMask. A
// nil t.Exec is treated as a configuration error and reported as such.
func (r *SubprocessRunner) Submit(ctx context.Context, t Task) {
	if t.Exec == nil {
		r.results <- Result{IfName: t.IfName, Mask: t.Mask, Err: errNoExecCmd}
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		cmd := exec.CommandContext(ctx, t.Exec.Path, t.Exec.Args[1:]...)
		err := cmd.Run()

		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			r.results <- Result{IfName: t.IfName, Mask: t.Mask, Err: err}
			return
		}

		value := decodeExitCode(code, t.Mask)
		r.results <- Result{IfName: t.IfName, Mask: t.Mask, Value: value}
	}()
}

// decodeExitCode maps a sub-process exit code's bits onto the checks
// that were requested: bit 0 = link, bit 1 = router v4, bit 2 = router
// v6, bit 3 = internet v4, bit 4 = internet v6, bit 5 = ntp.
func decodeExitCode(code int, mask CheckMask) ResultMask {
	var r ResultMask
	if mask.Has(LinkCheck) {
		r.LinkOK = code&(1<<0) != 0
	}
	if mask.Has(RouterCheck) {
		r.RouterV4OK = code&(1<<1) != 0
		r.RouterV6OK = code&(1<<2) != 0
	}
	if mask.Has(InternetCheck) {
		r.InternetV4OK = code&(1<<3) != 0
		r.InternetV6OK = code&(1<<4) != 0
	}
	if mask.Has(NTPCheck) {
		r.NTPOK = code&(1<<5) != 0
	}
	r.OK = r.LinkOK || (!mask.Has(LinkCheck) && !mask.Has(RouterCheck) && !mask.Has(InternetCheck))
	if mask.Has(RouterCheck) {
		r.OK = r.OK && (r.RouterV4OK || r.RouterV6OK)
	}
	if mask.Has(InternetCheck) {
		r.OK = r.OK && (r.InternetV4OK || r.InternetV6OK)
	}
	return r
}

func (r *SubprocessRunner) Results() <-chan Result { return r.results }

func (r *SubprocessRunner) Close() {
	r.wg.Wait()
	close(r.results)
}

var errNoExecCmd = probeErr("probe: task has no Exec command")
