// Package dist describes the process's place in a multi-process training run.
// Process launch and collective communication belong to the worker; this
// package only reads the rank assignment the launcher exported.
package dist

import (
	"fmt"
	"os"
	"strconv"
)

// #region context

// Context is the rank assignment of the current process.
type Context struct {
	Rank      int
	WorldSize int
	LocalRank int
}

// Single is the context of a non-distributed run.
func Single() Context {
	return Context{Rank: 0, WorldSize: 1, LocalRank: 0}
}

// Distributed reports whether more than one process takes part.
func (c Context) Distributed() bool {
	return c.WorldSize > 1
}

// IsMain reports whether this is the coordinating (rank 0) process.
func (c Context) IsMain() bool {
	return c.Rank == 0
}

// #endregion context

// #region from-env

// FromEnv reads RANK/WORLD_SIZE/LOCAL_RANK as exported by env:// launchers,
// falling back to SLURM_PROCID/SLURM_NTASKS. Without either, the run is
// single-process.
func FromEnv(getenv func(string) string) (Context, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if getenv("RANK") != "" && getenv("WORLD_SIZE") != "" {
		rank, err := atoi("RANK", getenv("RANK"))
		if err != nil {
			return Context{}, err
		}
		world, err := atoi("WORLD_SIZE", getenv("WORLD_SIZE"))
		if err != nil {
			return Context{}, err
		}
		local := rank
		if v := getenv("LOCAL_RANK"); v != "" {
			if local, err = atoi("LOCAL_RANK", v); err != nil {
				return Context{}, err
			}
		}
		return validate(Context{Rank: rank, WorldSize: world, LocalRank: local})
	}
	if v := getenv("SLURM_PROCID"); v != "" {
		rank, err := atoi("SLURM_PROCID", v)
		if err != nil {
			return Context{}, err
		}
		world := 1
		if n := getenv("SLURM_NTASKS"); n != "" {
			if world, err = atoi("SLURM_NTASKS", n); err != nil {
				return Context{}, err
			}
		}
		local := rank
		if n := getenv("SLURM_LOCALID"); n != "" {
			if local, err = atoi("SLURM_LOCALID", n); err != nil {
				return Context{}, err
			}
		}
		return validate(Context{Rank: rank, WorldSize: world, LocalRank: local})
	}
	return Single(), nil
}

// #endregion from-env

// #region helpers
func atoi(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("dist: %s=%q: %w", name, v, err)
	}
	return n, nil
}

func validate(c Context) (Context, error) {
	if c.WorldSize < 1 {
		return Context{}, fmt.Errorf("dist: world size must be >= 1 (got %d)", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return Context{}, fmt.Errorf("dist: rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	return c, nil
}

// #endregion helpers
