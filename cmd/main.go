package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/celerway/mqttload/harness"
	"github.com/celerway/mqttload/log"
	"github.com/celerway/mqttload/sink/influx"
	"github.com/celerway/mqttload/sink/kafka"
	"github.com/celerway/mqttload/worker"
)

type config struct {
	logLevel      log.LogLevel
	worker        worker.Params // template, every user gets a copy
	users         int
	spawnRate     float64
	waitTime      time.Duration
	runTime       time.Duration
	statsInterval time.Duration
	healthPort    int
	kafka         kafka.Params // disabled when Broker is empty
	influx        influx.Params
}

type discard struct{}

func (discard) Fire(harness.Event) {}

func setOptionStr(paramPtr *string, defaultValue, name, env string) string {
	var ret string
	if *paramPtr == "" {
		ret = os.Getenv(env)
	} else {
		ret = *paramPtr
	}
	if ret == "" {
		ret = defaultValue
	}
	log.Debugf("Option '%s' set to '%s'", name, ret)
	return ret
}

func setOptionInt(paramPtr *int, defaultValue int, name, env string) (int, error) {
	var ret int
	var err error
	if *paramPtr == 0 {
		val, ok := os.LookupEnv(env)
		if ok {
			ret, err = strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("could not make sense of ENV{%s}: %s", env, val)
			}
		}
	} else {
		ret = *paramPtr
	}
	if ret == 0 {
		ret = defaultValue
	}
	log.Debugf("Option '%s' set to %d", name, ret)
	return ret, nil
}

func setOptionFloat(paramPtr *float64, defaultValue float64, name, env string) (float64, error) {
	var ret float64
	var err error
	if *paramPtr == 0 {
		val, ok := os.LookupEnv(env)
		if ok {
			ret, err = strconv.ParseFloat(val, 64)
			if err != nil {
				return 0, fmt.Errorf("could not make sense of ENV{%s}: %s", env, val)
			}
		}
	} else {
		ret = *paramPtr
	}
	if ret == 0 {
		ret = defaultValue
	}
	log.Debugf("Option '%s' set to %v", name, ret)
	return ret, nil
}

func setOptionBool(paramPtr *bool, defaultValue bool, name, env string) bool {
	var ret bool
	if !*paramPtr {
		val, ok := os.LookupEnv(env)
		if ok && strings.ToUpper(val) == "TRUE" {
			ret = true
		}
	} else {
		ret = *paramPtr
	}
	if !ret {
		ret = defaultValue
	}
	log.Debugf("Option '%s' is set to '%v'", name, ret)
	return ret
}

// setOptionSet is setOptionBool for switches where any non-empty value in the environment turns it on.
func setOptionSet(paramPtr *bool, name, env string) bool {
	ret := *paramPtr || os.Getenv(env) != ""
	log.Debugf("Option '%s' is set to '%v'", name, ret)
	return ret
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// getConfig reads flags first, then the environment, then falls back to defaults.
func getConfig(fs *flag.FlagSet, args []string) (config, error) {
	var cfg config
	logLevelPtr := fs.String("loglevel", "", "Log level (trace|debug|info|warn|error)")
	mqttBrokerPtr := fs.String("mqtt-broker", "", "MQTT broker host")
	mqttPortPtr := fs.Int("mqtt-port", 0, "MQTT port")
	noTlsPtr := fs.Bool("mqtt-no-tls", false, "Disable TLS")
	topicPtr := fs.String("topic", "", "Topic to subscribe to (and publish to)")
	publishTopicPtr := fs.String("publish-topic", "", "Topic to publish to, defaults to -topic")
	caRootCertFilePtr := fs.String("ca", "", "Path to root CA certificate (pubkey)")
	caClientCertFilePtr := fs.String("client-cert", "", "Path to client cert (pubkey)")
	caClientKeyFilePtr := fs.String("client-key", "", "Path to client key (privkey)")
	waitTimePtr := fs.Float64("wait-time", 0, "Seconds between publishes")
	qosPtr := fs.Int("qos", 0, "QoS for publishes (0|1|2), default 1")
	messagePtr := fs.String("message", "", "Message body")
	loadTestPtr := fs.Bool("load-test", false, "Load test mode, requires TLS")
	usersPtr := fs.Int("users", 0, "Number of workers")
	spawnRatePtr := fs.Float64("spawn-rate", 0, "Workers started per second")
	runTimePtr := fs.Float64("run-time", 0, "Seconds to run, 0 runs until interrupted")
	statsIntervalPtr := fs.Float64("stats-interval", 0, "Seconds between stats reports")
	healthPortPtr := fs.Int("health-port", 0, "Port for /metrics and /healthz")
	maxRetriesPtr := fs.Int("max-retries", 0, "Reconnect attempts before giving up, -1 retries forever")
	kafkaBrokerPtr := fs.String("kafka-broker", "", "Kafka broker, empty disables the Kafka sink")
	kafkaPortPtr := fs.Int("kafka-port", 0, "Kafka port")
	kafkaTopicPtr := fs.String("kafka-topic", "", "Kafka topic for results")
	influxUrlPtr := fs.String("influx-url", "", "InfluxDB url, empty disables the Influx sink")
	influxTokenPtr := fs.String("influx-token", "", "InfluxDB token")
	influxOrgPtr := fs.String("influx-org", "", "InfluxDB organisation")
	influxBucketPtr := fs.String("influx-bucket", "", "InfluxDB bucket")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	level, err := log.ParseLevel(setOptionStr(logLevelPtr, "info", "log level", "LOG_LEVEL"))
	if err != nil {
		return cfg, err
	}
	cfg.logLevel = level
	log.SetLevel(level)

	tls := !setOptionBool(noTlsPtr, false, "no TLS", "MQTT_NO_TLS") // Notice the logical flip.
	p := worker.Params{
		MqttBroker: setOptionStr(mqttBrokerPtr, "", "mqtt broker", "IOT_CORE_ENDPOINT"),
		Tls:        tls,
		Topic:      setOptionStr(topicPtr, "", "topic", "IOT_CORE_MQTT_TOPIC"),
		Message:    setOptionStr(messagePtr, worker.DefaultMessage, "message", "MQTT_MESSAGE"),
		LoadTest:   setOptionSet(loadTestPtr, "load test", "IS_LOAD_TEST"),
		Reconnect:  worker.DefaultReconnect(),
		LogLevel:   level,
	}
	p.PublishTopic = setOptionStr(publishTopicPtr, p.Topic, "publish topic", "MQTT_PUBLISH_TOPIC")
	if tls {
		p.TlsRootCrtFile = setOptionStr(caRootCertFilePtr, "certificate/AmazonRootCA1.pem", "Root CA Cert", "ROOT_CA")
		p.ClientCertFile = setOptionStr(caClientCertFilePtr, "certificate/certificate.pem.crt", "Client TLS Cert", "CLIENT_CERT")
		p.ClientKeyFile = setOptionStr(caClientKeyFilePtr, "certificate/private.pem.key", "Client TLS key", "CLIENT_KEY")
	}
	if p.MqttPort, err = setOptionInt(mqttPortPtr, 8883, "mqtt port", "MQTT_PORT"); err != nil {
		return cfg, err
	}
	qos, err := setOptionInt(qosPtr, 1, "qos", "MQTT_QOS")
	if err != nil {
		return cfg, err
	}
	if qos < 0 || qos > 2 {
		return cfg, fmt.Errorf("%w: qos %d, must be 0, 1 or 2", worker.ErrConfiguration, qos)
	}
	p.Qos = byte(qos)
	maxRetries, err := setOptionInt(maxRetriesPtr, p.Reconnect.MaxRetries, "max retries", "MQTT_MAX_RETRIES")
	if err != nil {
		return cfg, err
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	p.Reconnect.MaxRetries = maxRetries
	// The event bus only exists once the run starts.
	check := p
	check.Events = discard{}
	if err := check.Validate(); err != nil {
		return cfg, err
	}
	cfg.worker = p

	if cfg.users, err = setOptionInt(usersPtr, 1, "users", "USERS"); err != nil {
		return cfg, err
	}
	if cfg.spawnRate, err = setOptionFloat(spawnRatePtr, 1, "spawn rate", "SPAWN_RATE"); err != nil {
		return cfg, err
	}
	waitTime, err := setOptionFloat(waitTimePtr, 1, "wait time", "MQTT_WAIT_TIME")
	if err != nil {
		return cfg, err
	}
	cfg.waitTime = seconds(waitTime)
	runTime, err := setOptionFloat(runTimePtr, 0, "run time", "RUN_TIME")
	if err != nil {
		return cfg, err
	}
	cfg.runTime = seconds(runTime)
	statsInterval, err := setOptionFloat(statsIntervalPtr, 10, "stats interval", "STATS_INTERVAL")
	if err != nil {
		return cfg, err
	}
	cfg.statsInterval = seconds(statsInterval)
	if cfg.healthPort, err = setOptionInt(healthPortPtr, 8080, "health port", "HEALTH_PORT"); err != nil {
		return cfg, err
	}
	switch {
	case cfg.users < 1:
		return cfg, fmt.Errorf("%w: users %d, must be at least 1", worker.ErrConfiguration, cfg.users)
	case cfg.spawnRate < 0 || cfg.waitTime < 0 || cfg.runTime < 0:
		return cfg, fmt.Errorf("%w: spawn rate, wait time and run time can not be negative", worker.ErrConfiguration)
	case cfg.statsInterval <= 0:
		return cfg, fmt.Errorf("%w: stats interval must be positive", worker.ErrConfiguration)
	}

	cfg.kafka = kafka.Params{
		Broker:        setOptionStr(kafkaBrokerPtr, "", "kafka broker", "KAFKA_BROKER"),
		Topic:         setOptionStr(kafkaTopicPtr, "mqttload", "kafka topic", "KAFKA_TOPIC"),
		BatchSize:     100,
		MaxBatchSize:  1000,
		Interval:      time.Second,
		RetryInterval: 10 * time.Second,
		LogLevel:      level,
	}
	if cfg.kafka.Port, err = setOptionInt(kafkaPortPtr, 9092, "kafka port", "KAFKA_PORT"); err != nil {
		return cfg, err
	}
	cfg.influx = influx.Params{
		Url:      setOptionStr(influxUrlPtr, "", "influx url", "INFLUX_URL"),
		Token:    setOptionStr(influxTokenPtr, "", "influx token", "INFLUX_TOKEN"),
		Org:      setOptionStr(influxOrgPtr, "", "influx org", "INFLUX_ORG"),
		Bucket:   setOptionStr(influxBucketPtr, "mqttload", "influx bucket", "INFLUX_BUCKET"),
		LogLevel: level,
	}
	return cfg, nil
}

func main() {
	err := godotenv.Load()
	log.Infof("mqttload starting up.")
	if err != nil {
		log.Infof("Error loading .env file, using the environment as is: %s", err.Error())
	}
	cfg, err := getConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Errorf("Configuration: %s", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Errorf("Run failed: %s", err)
		os.Exit(1)
	}
	log.Infof("Program exiting.")
}
