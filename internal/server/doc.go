// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package server 管理进程内辅助 HTTP 端点（/metrics、/healthz）的生命周期。

Manager 封装 net/http.Server：Start 非阻塞地绑定监听并在后台服务，
Shutdown 在 ShutdownTimeout 内优雅关闭，可重复调用。
监听地址为 ":0" 时 Addr 返回实际绑定的端口，便于测试。
*/
package server
