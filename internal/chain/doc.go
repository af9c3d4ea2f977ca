// Package chain 维护受支持网络的元数据（链 ID、RPC 端点列表以及该网络上
// Safe 体系合约的地址），并定义读取链上状态所需的 Reader 接口。
package chain
