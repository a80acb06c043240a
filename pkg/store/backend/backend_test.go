package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mahaj/campus-realtime/pkg/config"
	"github.com/mahaj/campus-realtime/pkg/store/memory"
)

func TestOpen_Memory(t *testing.T) {
	req := require.New(t)

	s, err := Open(context.Background(), &config.Config{StoreBackend: config.BackendMemory}, zap.NewNop().Sugar())

	req.NoError(err)
	req.IsType(&memory.Store{}, s)
	req.NoError(s.Close(context.Background()))
}

func TestOpen_Unknown(t *testing.T) {
	_, err := Open(context.Background(), &config.Config{StoreBackend: "sqlite"}, zap.NewNop().Sugar())
	require.Error(t, err)
}
