package config

import (
	"os"
	"strconv"
)

const DATABASE_TYPE = "CRMFLOW_DATABASE_TYPE"
const DATABASE_URL = "CRMFLOW_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "CRMFLOW_DATABASE_SQLLITE_FILE_NAME"
const ENGINE_POLL_INTERVAL = "CRMFLOW_ENGINE_POLL_INTERVAL"
const ENGINE_BATCH_SIZE = "CRMFLOW_ENGINE_BATCH_SIZE"     //number of due jobs to pull from the queue at a time
const ENGINE_WORKER_COUNT = "CRMFLOW_ENGINE_WORKER_COUNT" //number of workers processing jobs in parallel
const ENGINE_EXECUTOR_NAME = "CRMFLOW_ENGINE_EXECUTOR_NAME"
const ENGINE_RECOVERY_INTERVAL = "CRMFLOW_ENGINE_RECOVERY_INTERVAL"
const ENGINE_RECOVERY_AFTER_MINUTES = "CRMFLOW_ENGINE_RECOVERY_AFTER_MINUTES"
const ENGINE_SLA_INTERVAL = "CRMFLOW_ENGINE_SLA_INTERVAL"
const ENGINE_SCHEDULE_INTERVAL = "CRMFLOW_ENGINE_SCHEDULE_INTERVAL"
const QUEUE_BACKEND = "CRMFLOW_QUEUE_BACKEND"
const REDIS_ADDR = "CRMFLOW_REDIS_ADDR"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

const QUEUE_BACKEND_SQL = "SQL"
const QUEUE_BACKEND_REDIS = "REDIS"

func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, _ := strconv.Atoi(val)
		return intValue
	}
	return 0
}

func GetSystemSettingString(settingKey string) string {
	val := os.Getenv(settingKey)
	if val != "" {
		return val
	}
	if settingKey == ENGINE_POLL_INTERVAL {
		return "3s"
	}
	if settingKey == ENGINE_BATCH_SIZE {
		return "5"
	}
	if settingKey == ENGINE_WORKER_COUNT {
		return "5"
	}
	if settingKey == ENGINE_RECOVERY_INTERVAL {
		return "60s"
	}
	if settingKey == ENGINE_RECOVERY_AFTER_MINUTES {
		return "5"
	}
	if settingKey == ENGINE_SLA_INTERVAL {
		return "60s"
	}
	if settingKey == ENGINE_SCHEDULE_INTERVAL {
		return "60s"
	}
	if settingKey == QUEUE_BACKEND {
		return QUEUE_BACKEND_SQL
	}
	if settingKey == REDIS_ADDR {
		return "localhost:6379"
	}
	if settingKey == DATABASE_SQLLITE_FILE_NAME {
		return "./crmflow.db"
	}
	return ""
}
