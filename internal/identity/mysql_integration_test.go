//go:build integration

package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/tphakala/faceid/internal/conf"
)

func TestGormRepository_MySQL(t *testing.T) {
	ctx := context.Background()

	container, err := tcmysql.Run(ctx, "mysql:8.0.36",
		tcmysql.WithDatabase("faceid"),
		tcmysql.WithUsername("faceid"),
		tcmysql.WithPassword("faceid"),
	)
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	repo, err := Open(&conf.DatabaseSettings{
		Type: "mysql",
		MySQL: conf.MySQLSettings{
			Host:     host,
			Port:     port.Int(),
			Username: "faceid",
			Password: "faceid",
			Database: "faceid",
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	_, err = repo.AddPerson(ctx, "Alice", []string{"/faces/alice/1.jpg"})
	require.NoError(t, err)
	_, err = repo.AddPerson(ctx, "Bob", []string{"/faces/bob/1.jpg", "/faces/bob/2.jpg"})
	require.NoError(t, err)

	records, err := repo.ListIdentitiesWithImages(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Alice", records[0].Name)
	assert.Len(t, records[1].ImagePaths, 2)
}
