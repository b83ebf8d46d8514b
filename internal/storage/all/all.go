// Package all registers every storage backend with the storage registry.
package all

import (
	_ "sdmxgeo/internal/storage/mssql"
	_ "sdmxgeo/internal/storage/postgres"
	_ "sdmxgeo/internal/storage/sqlite"
)
