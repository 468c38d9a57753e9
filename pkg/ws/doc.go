// Package ws 实现 AgentGate 平台的 WebSocket 事件投递与恢复核心。
//
// # 功能
//
//   - 握手子协议认证（jwt-auth + jwt.<base64url-token>）
//   - 按用户隔离的连接注册表（多租户隔离保证）
//   - Agent 生命周期事件（agent_started / agent_thinking / tool_executing /
//     tool_completed / agent_completed / agent_error）的有序投递
//   - 投递失败的关键字分类（9 种失败类别）
//   - 确定性恢复策略（重试退避 / 协议重置 / 中间件旁路 / 作用域修复 / 优雅降级）
//   - 滚动窗口诊断（环形缓冲、健康快照、运维建议）
//
// # 基本用法
//
// 创建 Manager 并挂载到 HTTP 路由：
//
//	manager, err := ws.NewManager(
//	    ws.WithTokenValidator(validator),
//	    ws.WithMaxConnections(10000),
//	    ws.WithRetryBaseDelay(time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	go manager.Run()
//
//	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//	    _ = manager.HandleUpgrade(w, r)
//	})
//
// Agent 执行层提交生命周期事件：
//
//	ev, _ := ws.NewLifecycleEvent(ws.EventToolExecuting, userID, threadID, runID,
//	    map[string]any{"tool_name": "web_search"})
//	report, err := manager.Emit(ctx, ev)
//
// Emit 永远不会因单个连接的投递失败而返回错误；失败通过 DeliveryReport 与
// 诊断采集器暴露。只有事件顺序违规（调用方编程错误）会返回类型化错误。
//
// # 投递语义
//
// 尽力投递 + 有界重试，不保证必达。单次 (user, run) 内事件按提交顺序投递；
// 跨用户无全局顺序。一个连接的发送失败不影响同用户其他连接（多端支持）。
//
// # 并发安全
//
// Registry 与诊断环形缓冲在并发连接处理协程下安全（互斥锁）；Connection 的
// 计数器与状态使用原子操作；每连接写入由写锁串行化，保证 FIFO。
package ws
