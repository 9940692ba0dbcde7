// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

// Package config 提供 convoflow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（CONVOFLOW_ 前缀）的顺序叠加，
// 各子系统的配置结构由所属包定义并直接嵌入 Config。
// LevelReloader 轮询配置文件，在运行时调整日志级别。
package config
