// Package metrics 提供 TaskFlow 引擎的 Prometheus 指标收集。
package metrics
