// Package api 暴露只读的 HTTP 状态接口：插件生命周期、注册登记簿与健康检查。
package api
