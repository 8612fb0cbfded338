/*
 * Copyright (C) 2024 AuditFlow, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "net/http/pprof"

	"github.com/auditflow/ml-pipeline/pkg/config"
	"github.com/auditflow/ml-pipeline/pkg/features"
	"github.com/auditflow/ml-pipeline/pkg/manager"
	"github.com/auditflow/ml-pipeline/pkg/prometheus"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	buildVersion       = "unknown"
	buildDate          = "unknown"
	cfgFile            string
	logLevel           string
	mode               string
	modelName          string
	inputFile          string
	deriveFeatures     bool
	envPrefix          = "ML-PIPELINE"
	defaultCfgFileName = ".ml-pipeline"
	opts               config.Options
)

// rootCmd represents the root command
var rootCmd = &cobra.Command{
	Use:   "ml-pipeline",
	Short: "Train, score and promote anomaly detection models over audit event batches",
	Run: func(_ *cobra.Command, _ []string) {
		run()
	},
}

// initConfig use config file and ENV variables if set.
func initConfig() {
	v := viper.New()

	if cfgFile != "" {
		// Use config file from the flag.
		v.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatal(err)
		}
		// Search config in home directory with name ".ml-pipeline" (without extension).
		v.AddConfigPath(home)
		v.SetConfigName(defaultCfgFileName)
	}

	// Read environment variables that match prefix
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	// If a config file is found, read it in.
	cfgErr := v.ReadInConfig()

	bindFlags(rootCmd, v)

	// initialize logger
	initLogger()

	if cfgErr != nil {
		log.Errorf("Read config error: %v", cfgErr)
	}
}

func initLogger() {
	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		ll = log.ErrorLevel
	}
	log.SetLevel(ll)
	log.SetFormatter(&log.TextFormatter{DisableColors: false, FullTimestamp: true, PadLevelText: true, DisableQuote: true})
}

func dumpConfig(opts *config.Options) {
	configAsJSON, err := json.MarshalIndent(opts, "", "    ")
	if err != nil {
		panic(fmt.Sprintf("error dumping config: %v", err))
	}
	fmt.Printf("Using configuration:\n%s\n", configAsJSON)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if strings.Contains(f.Name, ".") {
			envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, ".", "_"))
			_ = v.BindEnv(f.Name, fmt.Sprintf("%s_%s", envPrefix, envVarSuffix))
		}

		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			switch val.(type) {
			case bool, uint, string, int32, int16, int8, int, uint32, uint64, int64, float64, float32, []string, []int:
				_ = cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val))
			default:
				var jsonNew = jsoniter.ConfigCompatibleWithStandardLibrary
				b, err := jsonNew.Marshal(&val)
				if err != nil {
					log.Fatalf("can't parse flag %s into json with value %v got error %s", f.Name, val, err)
					return
				}
				_ = cmd.Flags().Set(f.Name, string(b))
			}
		}
	})
}

func initFlags() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default is $HOME/%s)", defaultCfgFileName))
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "error", "Log level: debug, info, warning, error")
	rootCmd.PersistentFlags().StringVar(&mode, "mode", "list", "Operation: list, train, predict, train-shadow, promote")
	rootCmd.PersistentFlags().StringVar(&modelName, "model", "", "Model name (default: configured default model)")
	rootCmd.PersistentFlags().StringVar(&inputFile, "input", "", "json file with the audit event batch")
	rootCmd.PersistentFlags().BoolVar(&deriveFeatures, "derive", false, "Derive rolling, interaction and frequency features before extraction")
	rootCmd.PersistentFlags().StringVar(&opts.Settings, "settings", "", "json of config file settings field")
	rootCmd.PersistentFlags().StringVar(&opts.ModelsDir, "models-dir", "", "Model bundle directory (default: data/models)")
	rootCmd.PersistentFlags().IntVar(&opts.Metrics.Port, "metrics.port", 0, "Prometheus metrics port (default: disabled)")
	rootCmd.PersistentFlags().IntVar(&opts.Profile.Port, "profile.port", 0, "Go pprof tool port (default: disabled)")
}

func main() {
	// Initialize flags (command line parameters)
	initFlags()

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run() {
	// Initial log message
	fmt.Printf("Starting %s:\n=====\nBuild version: %s\nBuild date: %s\n\n", filepath.Base(os.Args[0]), buildVersion, buildDate)

	// Dump configuration
	dumpConfig(&opts)

	cfg, err := config.ParseConfig(&opts)
	if err != nil {
		log.Errorf("error in parsing config file: %v", err)
		os.Exit(1)
	}

	promServer := prometheus.InitializePrometheus(&opts.Metrics)

	if opts.Profile.Port != 0 {
		go func() {
			log.WithField("port", opts.Profile.Port).Info("starting PProf HTTP listener")
			log.WithError(http.ListenAndServe(fmt.Sprintf(":%d", opts.Profile.Port), nil)).
				Error("PProf HTTP listener stopped working")
		}()
	}

	mgr, err := manager.NewModelManager(cfg)
	if err != nil {
		log.Errorf("failed to initialize model manager: %s", err)
		os.Exit(1)
	}
	if _, err := mgr.LoadAll(); err != nil {
		log.Errorf("failed to load model bundles: %s", err)
		os.Exit(1)
	}

	if modelName == "" {
		modelName = cfg.DefaultModel
	}

	if err := dispatch(mgr, cfg); err != nil {
		log.Errorf("%s failed: %s", mode, err)
		os.Exit(1)
	}

	if promServer != nil {
		_ = promServer.Shutdown(context.Background())
	}
	log.Debugf("exiting main run")
}

func dispatch(mgr *manager.ModelManager, cfg config.Settings) error {
	switch mode {
	case "list":
		return printJSON(mgr.List())
	case "train":
		return runTrain(mgr, cfg)
	case "predict":
		return runPredict(mgr)
	case "train-shadow":
		return runTrainShadow(mgr)
	case "promote":
		promoted, avgAgreement, err := mgr.Promote(modelName)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"promoted":             promoted,
			"averageAgreementRate": avgAgreement,
		})
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

func runTrain(mgr *manager.ModelManager, cfg config.Settings) error {
	batch, err := readBatch()
	if err != nil {
		return err
	}
	ex := features.NewExtractor(cfg.Features)
	if deriveFeatures {
		if batch, err = ex.Derive(batch); err != nil {
			return err
		}
	}
	if _, err := ex.Analyze(batch); err != nil {
		return err
	}
	extracted, err := ex.Extract(batch, true)
	if err != nil {
		return err
	}
	if _, err := mgr.Get(modelName); err != nil {
		if _, err := mgr.Create(modelName, extracted.FeatureNames, "", nil); err != nil {
			return err
		}
	}
	stats, err := mgr.Train(modelName, extracted.Matrix, ex)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func runPredict(mgr *manager.ModelManager) error {
	batch, err := readBatch()
	if err != nil {
		return err
	}
	ex, ok := mgr.Extractor(modelName)
	if !ok {
		return fmt.Errorf("no stored feature spec for model %q", modelName)
	}
	if deriveFeatures {
		if batch, err = ex.Derive(batch); err != nil {
			return err
		}
	}
	extracted, err := ex.Extract(batch, false)
	if err != nil {
		return err
	}
	result, err := mgr.Predict(modelName, extracted.Matrix, true)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runTrainShadow(mgr *manager.ModelManager) error {
	batch, err := readBatch()
	if err != nil {
		return err
	}
	ex, ok := mgr.Extractor(modelName)
	if !ok {
		return fmt.Errorf("no stored feature spec for model %q", modelName)
	}
	if deriveFeatures {
		if batch, err = ex.Derive(batch); err != nil {
			return err
		}
	}
	extracted, err := ex.Extract(batch, false)
	if err != nil {
		return err
	}
	stats, err := mgr.TrainShadow(modelName, extracted.Matrix)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

func readBatch() ([]config.GenericMap, error) {
	if inputFile == "" {
		return nil, fmt.Errorf("--input is required for mode %q", mode)
	}
	data, err := os.ReadFile(inputFile)
	if err != nil {
		return nil, err
	}
	var jsonConfig = jsoniter.ConfigCompatibleWithStandardLibrary
	batch := []config.GenericMap{}
	if err := jsonConfig.Unmarshal(data, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func printJSON(v interface{}) error {
	var jsonConfig = jsoniter.ConfigCompatibleWithStandardLibrary
	out, err := jsonConfig.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
