// Package migrations embeds the SQLite schema into the binary and registers
// it with the database package. Import it for side effects:
//
//	import _ "github.com/gunjambi/itag2mqttd/migrations"
package migrations

import (
	"embed"

	"github.com/gunjambi/itag2mqttd/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
