package executor

import "syscall"

// exitSignal is the signal sent to a cancelled job's subprocess before
// the terminateGrace kill, mirroring
// original_source/script/job_scheduler.py's process.terminate(). HPC
// batch nodes are assumed to be POSIX.
func exitSignal() syscall.Signal {
	return syscall.SIGTERM
}
