package dist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvFrom(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want Env
	}{
		{
			name: "single process defaults",
			want: Env{WorldSize: 1, LocalWorldSize: 1, MasterAddr: DefaultMasterAddr, MasterPort: DefaultMasterPort},
		},
		{
			name: "torchrun",
			vars: map[string]string{
				EnvRank: "3", EnvLocalRank: "1", EnvWorldSize: "4", EnvLocalWorldSize: "2",
				EnvMasterAddr: "node-0", EnvMasterPort: "23456", EnvRunID: "abc",
			},
			want: Env{Rank: 3, LocalRank: 1, WorldSize: 4, LocalWorldSize: 2, MasterAddr: "node-0", MasterPort: 23456, RunID: "abc"},
		},
		{
			name: "kubeflow PET fallbacks",
			vars: map[string]string{
				EnvPETNumNodes: "2", EnvPETNumProcPerNode: "4", EnvPETNodeRank: "1", EnvLocalRank: "2",
				EnvPETMasterAddr: "job-node-0-0.job", EnvPETMasterPort: "29400",
			},
			want: Env{Rank: 6, LocalRank: 2, WorldSize: 8, LocalWorldSize: 4, MasterAddr: "job-node-0-0.job", MasterPort: 29400},
		},
		{
			name: "explicit values win over PET",
			vars: map[string]string{
				EnvPETNumNodes: "2", EnvPETNumProcPerNode: "4", EnvPETMasterPort: "29400",
				EnvRank: "0", EnvWorldSize: "8", EnvMasterPort: "1234",
			},
			want: Env{Rank: 0, WorldSize: 8, LocalWorldSize: 4, MasterAddr: DefaultMasterAddr, MasterPort: 1234},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EnvFrom(func(k string) string { return tt.vars[k] })
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("env mismatch (-want +got):\n%s", diff)
			}

			vars := map[string]string{}
			for _, kv := range got.Environ() {
				for i := range kv {
					if kv[i] == '=' {
						vars[kv[:i]] = kv[i+1:]
						break
					}
				}
			}
			again, err := EnvFrom(func(k string) string { return vars[k] })
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestEnvFromErrors(t *testing.T) {
	for name, vars := range map[string]map[string]string{
		"not a number": {EnvRank: "zero"},
		"rank too big": {EnvRank: "2", EnvWorldSize: "2"},
		"local rank":   {EnvLocalRank: "1"},
		"port":         {EnvMasterPort: "70000"},
		"local world":  {EnvWorldSize: "2", EnvLocalWorldSize: "3"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := EnvFrom(func(k string) string { return vars[k] })
			assert.Error(t, err)
		})
	}
}

func TestMasterEndpoint(t *testing.T) {
	assert.Equal(t, "127.0.0.1:29500", Env{MasterAddr: "127.0.0.1", MasterPort: 29500}.MasterEndpoint())
	assert.Equal(t, "[::1]:80", Env{MasterAddr: "::1", MasterPort: 80}.MasterEndpoint())
}
