package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由/策略/命中来源字段，供 fetch 请求日志复用。
func RequestFields(requestID, method, rawURL, route, strategy, source string) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"url":        rawURL,
		"route":      route,
		"strategy":   strategy,
		"source":     source,
	}
}

// StorageFields 描述缓存存储后端。
func StorageFields(driver, location string, routes int) logrus.Fields {
	return logrus.Fields{
		"storage_driver":   driver,
		"storage_location": location,
		"routes":           routes,
	}
}
