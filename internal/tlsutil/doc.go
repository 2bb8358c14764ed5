// Copyright (c) GraphFlow Authors.
// Licensed under the MIT License.

/*
Package tlsutil 提供集中式 TLS 配置。

API 服务器（server.tls_cert_file / tls_key_file）、Redis 检查点存储
（checkpoint.redis.tls）以及 health 子命令的 HTTP 客户端共用同一套
加固设置：TLS 1.2+，仅 AEAD 密码套件。
*/
package tlsutil
