/*
包 tokenizer 在 Provider 未返回用量统计时估算一次 Agent 回合的 Token 用量。

OpenAI 系列模型使用 tiktoken 精确计数；其余模型或 tiktoken 初始化失败时
退回到按字符估算的 EstimatorTokenizer（区分 CJK 与 ASCII 字符）。
*/
package tokenizer
