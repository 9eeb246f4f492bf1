// Package server 提供 HTTP 服务器生命周期管理：非阻塞启动、优雅关闭
// 与 SIGINT/SIGTERM 信号监听。TaskFlow 用它承载 Prometheus /metrics
// 观测端点。
package server
