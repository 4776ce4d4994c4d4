package main

import (
	"flag"

	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/rs/zerolog"
)

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort
	logLevel

	configurationFile
	modulesFile

	mqttBroker
	mqttClientID
	mqttTopic
	mqttUsername
	mqttPassword

	devmode
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",
		logLevel:      "info",

		configurationFile: "/opt/diwise/config/config.yaml",
		modulesFile:       "/opt/diwise/config/modules.csv",

		mqttBroker:   "",
		mqttClientID: serviceName,
		mqttTopic:    "modules/+/readings",
		mqttUsername: "",
		mqttPassword: "",

		devmode: "false",
	}
}

func parseExternalConfig(log zerolog.Logger, flags flagMap) flagMap {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(log, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef(log, "SERVICE_PORT", flags[servicePort])
	flags[logLevel] = envOrDef(log, "LOG_LEVEL", flags[logLevel])

	flags[configurationFile] = envOrDef(log, "CONFIG_FILE", flags[configurationFile])
	flags[modulesFile] = envOrDef(log, "MODULES_FILE", flags[modulesFile])

	flags[mqttBroker] = envOrDef(log, "MQTT_BROKER_URL", flags[mqttBroker])
	flags[mqttClientID] = envOrDef(log, "MQTT_CLIENT_ID", flags[mqttClientID])
	flags[mqttTopic] = envOrDef(log, "MQTT_TOPIC", flags[mqttTopic])
	flags[mqttUsername] = envOrDef(log, "MQTT_USERNAME", flags[mqttUsername])
	flags[mqttPassword] = envOrDef(log, "MQTT_PASSWORD", flags[mqttPassword])

	flags[devmode] = envOrDef(log, "DEV_MODE", flags[devmode])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("config", "control loop configuration file", apply(configurationFile))
	flag.Func("modules", "list of known modules", apply(modulesFile))
	flag.Func("mqtt", "mqtt broker url", apply(mqttBroker))
	flag.Func("devmode", "enable dev mode", apply(devmode))
	flag.Parse()

	return flags
}
