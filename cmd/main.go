/*
Copyright 2024 Cellmark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/cellmark/cellmark"
	"github.com/cellmark/cellmark/config"
	"github.com/cellmark/cellmark/database"
	"github.com/cellmark/cellmark/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Cellmark represents the CLI application, encapsulating the root Cobra command.
type Cellmark struct {
	cmd *cobra.Command
}

// cellmarkInstance holds the service and its configuration for the subcommands.
type cellmarkInstance struct {
	cellmark *cellmark.Cellmark
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration file named by --config. Commands that need the
// service call setup themselves so that `migrate` runs without Redis.
func preRun(configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config ", err)
		}
		return nil
	}
}

func (app *cellmarkInstance) setup() error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	newCellmark, err := setupCellmark(cnf)
	if err != nil {
		notification.NotifyError(err)
		return err
	}
	app.cellmark = newCellmark
	app.cnf = cnf
	return nil
}

// setupCellmark connects to the data source and wires the service around it.
func setupCellmark(cfg *config.Configuration) (*cellmark.Cellmark, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newCellmark, err := cellmark.NewCellmark(db)
	if err != nil {
		return nil, fmt.Errorf("error creating cellmark: %v", err)
	}
	return newCellmark, nil
}

// NewCLI creates the command-line interface with the start, workers and migrate subcommands.
func NewCLI() *Cellmark {
	var configFile string
	c := &cellmarkInstance{}

	var rootCmd = &cobra.Command{
		Use:   "cellmark",
		Short: "Battery lifecycle timelines and custody transfers",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./cellmark.json", "Configuration file for cellmark")
	rootCmd.PersistentPreRunE = preRun(&configFile)

	rootCmd.AddCommand(serverCommands(c))
	rootCmd.AddCommand(workerCommands(c))
	rootCmd.AddCommand(migrateCommands(c))
	rootCmd.AddCommand(configCommands())

	return &Cellmark{cmd: rootCmd}
}

func (w Cellmark) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
