package dist

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// Process environment, as set by a torchrun-style launcher.
const (
	EnvRank           = "RANK"
	EnvLocalRank      = "LOCAL_RANK"
	EnvWorldSize      = "WORLD_SIZE"
	EnvLocalWorldSize = "LOCAL_WORLD_SIZE"
	EnvMasterAddr     = "MASTER_ADDR"
	EnvMasterPort     = "MASTER_PORT"
	EnvRunID          = "FINETUNE_RUN_ID"

	// Set by the kubeflow trainer for torchrun; used when the above are absent.
	EnvPETNumNodes       = "PET_NNODES"
	EnvPETNumProcPerNode = "PET_NPROC_PER_NODE"
	EnvPETNodeRank       = "PET_NODE_RANK"
	EnvPETMasterAddr     = "PET_MASTER_ADDR"
	EnvPETMasterPort     = "PET_MASTER_PORT"

	DefaultMasterAddr = "127.0.0.1"
	DefaultMasterPort = 29500
)

// Env is a process's place in the group.
type Env struct {
	Rank           int
	LocalRank      int
	WorldSize      int
	LocalWorldSize int
	MasterAddr     string
	MasterPort     int
	RunID          string
}

// MasterEndpoint returns host:port of rank 0.
func (e Env) MasterEndpoint() string {
	return net.JoinHostPort(e.MasterAddr, strconv.Itoa(e.MasterPort))
}

// Validate checks ranks against sizes.
func (e Env) Validate() error {
	var errs []error
	if e.WorldSize <= 0 {
		errs = append(errs, fmt.Errorf("world size must be positive, got %d", e.WorldSize))
	}
	if e.Rank < 0 || e.Rank >= e.WorldSize {
		errs = append(errs, fmt.Errorf("rank %d out of range [0,%d)", e.Rank, e.WorldSize))
	}
	if e.LocalWorldSize <= 0 || e.LocalWorldSize > e.WorldSize {
		errs = append(errs, fmt.Errorf("local world size %d out of range [1,%d]", e.LocalWorldSize, e.WorldSize))
	}
	if e.LocalRank < 0 || e.LocalRank >= e.LocalWorldSize {
		errs = append(errs, fmt.Errorf("local rank %d out of range [0,%d)", e.LocalRank, e.LocalWorldSize))
	}
	if e.MasterPort <= 0 || e.MasterPort > 65535 {
		errs = append(errs, fmt.Errorf("master port %d out of range", e.MasterPort))
	}
	return errors.Join(errs...)
}

// EnvFromOS reads Env from the process environment.
func EnvFromOS() (Env, error) {
	return EnvFrom(os.Getenv)
}

// EnvFrom reads Env through getenv. Unset values fall back to the PET_*
// variables, then to a single-process group.
func EnvFrom(getenv func(string) string) (Env, error) {
	var errs []error
	num := func(key string, def int) int {
		s := getenv(key)
		if s == "" {
			return def
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", key, s, err))
			return def
		}
		return n
	}
	str := func(def string, keys ...string) string {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				return v
			}
		}
		return def
	}

	nodes := num(EnvPETNumNodes, 1)
	perNode := num(EnvPETNumProcPerNode, 0)
	nodeRank := num(EnvPETNodeRank, 0)

	e := Env{
		LocalRank:  num(EnvLocalRank, 0),
		MasterAddr: str(DefaultMasterAddr, EnvMasterAddr, EnvPETMasterAddr),
		RunID:      getenv(EnvRunID),
	}
	if perNode > 0 {
		e.WorldSize = num(EnvWorldSize, nodes*perNode)
		e.LocalWorldSize = num(EnvLocalWorldSize, perNode)
	} else {
		e.WorldSize = num(EnvWorldSize, 1)
		e.LocalWorldSize = num(EnvLocalWorldSize, e.WorldSize)
	}
	e.Rank = num(EnvRank, nodeRank*e.LocalWorldSize+e.LocalRank)
	e.MasterPort = num(EnvMasterPort, num(EnvPETMasterPort, DefaultMasterPort))

	if err := errors.Join(errs...); err != nil {
		return Env{}, err
	}
	return e, e.Validate()
}

// Environ returns the variables that make EnvFrom reproduce e.
func (e Env) Environ() []string {
	env := []string{
		EnvRank + "=" + strconv.Itoa(e.Rank),
		EnvLocalRank + "=" + strconv.Itoa(e.LocalRank),
		EnvWorldSize + "=" + strconv.Itoa(e.WorldSize),
		EnvLocalWorldSize + "=" + strconv.Itoa(e.LocalWorldSize),
		EnvMasterAddr + "=" + e.MasterAddr,
		EnvMasterPort + "=" + strconv.Itoa(e.MasterPort),
	}
	if e.RunID != "" {
		env = append(env, EnvRunID+"="+e.RunID)
	}
	return env
}
