// Package migrations 内嵌注册登记簿的建表脚本，按文件名中的版本号顺序执行。
package migrations

import "embed"

// Files 包含全部 NNNN_*.sql 迁移文件。
//
//go:embed *.sql
var Files embed.FS
