// Package mysql 持久化插件注册结果，提供 JSON 日志与 MySQL 两种登记簿实现，
// 以及嵌入式的 schema 迁移。
package mysql
