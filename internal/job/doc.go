// Package job 提供异步批次任务：提交后立即返回任务 ID，由后台 Processor 消费队列、
// 调用批量分发器并将按输入顺序排列的回复写回存储。
package job
