// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tombee/helmsman/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to config file")
		engineAddr   = flag.String("engine", "", "Execution engine address (host:port)")
		storeType    = flag.String("store", "", "Artifact store type (s3, local)")
		storeDir     = flag.String("store-dir", "", "Directory for the local store type")
		gatewayHost  = flag.String("gateway-host", "", "Gateway bind address")
		gatewayPort  = flag.Int("gateway-port", 0, "Gateway bind port")
		syncInterval = flag.String("sync-interval", "", "Artifact store sync interval (e.g. 30s)")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("helmsmand %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	err := daemon.Run(daemon.RunOptions{
		Version:      version,
		Commit:       commit,
		BuildDate:    buildDate,
		ConfigPath:   *configPath,
		EngineAddr:   *engineAddr,
		StoreType:    *storeType,
		StoreDir:     *storeDir,
		GatewayHost:  *gatewayHost,
		GatewayPort:  *gatewayPort,
		SyncInterval: *syncInterval,
	})
	if err != nil {
		os.Exit(1)
	}
}
