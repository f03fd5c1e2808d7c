package archive

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectName(t *testing.T) {
	rec := &entity.InspectionRecord{
		ID:                "IR-9",
		QualityInstanceID: "OI-Q",
		CreatedAt:         time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "inspections/2024-03-05/OI-Q/IR-9.json", ObjectName(rec))
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Archive(context.Background(), &entity.InspectionRecord{}))
}

func TestMinIOArchiver(t *testing.T) {
	endpoint := os.Getenv("TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_MINIO_ENDPOINT not set")
	}
	a, err := NewMinIOArchiver(MinIOConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("TEST_MINIO_SECRET_KEY"),
		Bucket:    "mes-test",
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.EnsureBucket(ctx))
	require.NoError(t, a.Archive(ctx, &entity.InspectionRecord{
		ID:                "IR-1",
		QualityInstanceID: "OI-Q",
		Code:              "C1",
		Passed:            true,
		CreatedAt:         time.Now(),
	}))
}
