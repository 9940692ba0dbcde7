// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 routing 决定一条入站事件之后会话应处于哪个阶段、由谁来回应。

# 管线

[Pipeline.Route] 按顺序执行以下阶段，任一阶段给出决定即短路返回：

 1. 显式转换：上一轮的 continue 终止、事件上的 phase 标签，或 p 标签
    直接点名的已注册 Agent。目标阶段必须可由当前阶段到达，否则返回
    VALIDATION 错误。
 2. LLM 决策：向模型提交事件内容、会话摘要与可用 Agent 列表，要求输出
    严格 JSON。解析失败时先做确定性修复（补全括号与字符串、去除尾逗号、
    规范引号，最后回退到 jsonrepair），仍不合格则追加越来越明确的格式
    指引重试，超过上限返回 [RoutingDecisionError]。
 3. 业务校验：所有目标 Agent 必须存在（否则 [UnknownAgentError]），
    多人团队由 [Pipeline.FormTeam] 组建，团队负责人自动补入成员，
    阶段计划至少一个阶段且每个阶段至少一个成员参与者。
 4. 阶段初始化钩子：结果只写入决策元数据，不阻断转换。

传输错误不会重试，直接以 TRANSPORT 错误返回。
*/
package routing
