package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/configuration"
	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/schema"
	"github.com/bvenu-lab/mangalm-ingest/internal/common"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/app"
	"github.com/bvenu-lab/mangalm-ingest/internal/common/database"
)

const (
	CustomConfigLocation string = "config"
	MigrateDatabase             = "migrateDatabase"
)

func init() {
	pflag.StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	pflag.Bool(MigrateDatabase, false, "Migrate database instead of running the ingester")
	pflag.Parse()
}

func migrate(config configuration.BulkIngesterConfiguration) error {
	db, err := database.OpenPgxPool(config.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	migrations, err := schema.Migrations()
	if err != nil {
		return err
	}
	return database.UpdateDatabase(app.CreateContextWithShutdown(), db, migrations)
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.BulkIngesterConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	common.LoadConfig(&config, "./config/bulkingester", userSpecifiedConfigs)

	if viper.GetBool(MigrateDatabase) {
		log.Info("Migrating database")
		if err := migrate(config); err != nil {
			log.Error(err)
			os.Exit(1)
		}
		return
	}

	if err := bulkingester.Run(config); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
