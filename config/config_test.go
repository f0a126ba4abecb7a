package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/behrlich/blockaio/backend"
)

func TestDefaultEngineParamsValidates(t *testing.T) {
	p := DefaultEngineParams()
	require.NoError(t, p.Validate())
	require.Equal(t, backend.KindOff, p.Backend)
	require.False(t, p.Direct)
}

func TestValidateRejectsNonPositiveMaxBatch(t *testing.T) {
	p := DefaultEngineParams()
	p.MaxBatch = 0
	require.Error(t, p.Validate())
}

func TestValidateRequiresAlignmentForDirect(t *testing.T) {
	p := DefaultEngineParams()
	p.Direct = true
	require.Error(t, p.Validate())

	p.ReqAlign = 512
	require.Error(t, p.Validate(), "BufAlign is still unset")

	p.BufAlign = 4096
	require.NoError(t, p.Validate())
}

func TestValidateRejectsNonPowerOfTwoAlignment(t *testing.T) {
	p := DefaultEngineParams()
	p.Direct = true
	p.ReqAlign = 513
	p.BufAlign = 4096
	require.Error(t, p.Validate())

	p.ReqAlign = 512
	p.BufAlign = 4097
	require.Error(t, p.Validate())
}

func TestDefaultBlockPropertyEnablesDiscardAndWriteZeroes(t *testing.T) {
	bp := DefaultBlockProperty()
	require.True(t, bp.DiscardEnabled)
	require.True(t, bp.WriteZeroesEnabled)
	require.Equal(t, uint32(512), bp.LogicalBlockSize)
}
