// Package config 负责加载 wampd 的启动配置：先读取 YAML 文件，再用 WAMPD_
// 前缀的环境变量覆盖，最后为缺省字段补齐默认值。
package config
