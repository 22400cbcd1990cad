/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package api exposes the rendezvous state store over HTTP.
// api 包通过 HTTP 暴露用于汇合的状态存储。
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/benchfleet/benchfleet/internal/logger"
	"github.com/benchfleet/benchfleet/internal/state"
	"github.com/gin-gonic/gin"
)

// Handler provides HTTP handlers for state documents.
// Handler 提供状态文档的 HTTP 处理器。
type Handler struct {
	store state.Store
}

// NewHandler creates a new Handler instance.
// NewHandler 创建一个新的 Handler 实例。
func NewHandler(store state.Store) *Handler {
	return &Handler{store: store}
}

// ==================== Request/Response Types 请求/响应类型 ====================

// StateBody is the wire form of a state document.
// StateBody 是状态文档的传输格式。
type StateBody struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorResponse is returned for every non-2xx status.
// ErrorResponse 是所有非 2xx 响应的响应体。
type ErrorResponse struct {
	ErrorMsg string `json:"error_msg"`
}

func toBody(doc state.Document) StateBody {
	return StateBody{ID: doc.ID, Payload: doc.Payload}
}

// ==================== Handlers 处理器 ====================

// Heartbeat handles GET /api/heartbeat
// Heartbeat 处理 GET /api/heartbeat，返回空的 200 响应
func (h *Handler) Heartbeat(c *gin.Context) {
	c.Status(http.StatusOK)
}

// CreateState handles POST /api/state/:id - exclusive create.
// CreateState 处理 POST /api/state/:id - 独占创建。
func (h *Handler) CreateState(c *gin.Context) {
	id := c.Param("id")
	body, err := bindBody(c, id)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorMsg: err.Error()})
		return
	}
	if !state.SameID(id, body.ID) {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorMsg: state.ErrIDMismatch.Error()})
		return
	}

	doc, err := h.store.Create(c.Request.Context(), state.Document{ID: body.ID, Payload: body.Payload})
	if err != nil {
		h.fail(c, "CreateState", id, err)
		return
	}

	logger.InfoF(c.Request.Context(), "[State] 创建状态文档成功: %s", doc.ID)
	c.JSON(http.StatusCreated, toBody(doc))
}

// GetState handles GET /api/state/:id
// GetState 处理 GET /api/state/:id
func (h *Handler) GetState(c *gin.Context) {
	doc, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "GetState", c.Param("id"), err)
		return
	}
	c.JSON(http.StatusOK, toBody(doc))
}

// UpdateState handles PUT /api/state/:id - overwrite, creating when absent.
// UpdateState 处理 PUT /api/state/:id - 覆盖写入，不存在时创建。
func (h *Handler) UpdateState(c *gin.Context) {
	id := c.Param("id")
	body, err := bindBody(c, id)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{ErrorMsg: err.Error()})
		return
	}

	doc, err := h.store.Update(c.Request.Context(), id, state.Document{ID: body.ID, Payload: body.Payload})
	if err != nil {
		h.fail(c, "UpdateState", id, err)
		return
	}

	logger.InfoF(c.Request.Context(), "[State] 更新状态文档成功: %s", doc.ID)
	c.JSON(http.StatusOK, toBody(doc))
}

// DeleteState handles DELETE /api/state/:id, 204 whether or not it existed.
// DeleteState 处理 DELETE /api/state/:id，无论文档是否存在均返回 204。
func (h *Handler) DeleteState(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "DeleteState", c.Param("id"), err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bindBody 解析请求体，body 中缺省 id 时使用路径 id
func bindBody(c *gin.Context, id string) (StateBody, error) {
	var body StateBody
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return body, err
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return body, state.ErrInvalidPayload
	}
	if body.ID == "" {
		body.ID = id
	}
	return body, nil
}

func (h *Handler) fail(c *gin.Context, op, id string, err error) {
	status := getStatusCodeForError(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorF(c.Request.Context(), "[State] %s %s 失败: %v", op, id, err)
	}
	c.JSON(status, ErrorResponse{ErrorMsg: err.Error()})
}

// getStatusCodeForError maps store errors to HTTP status codes.
// getStatusCodeForError 将存储错误映射为 HTTP 状态码。
func getStatusCodeForError(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrConflict), errors.Is(err, state.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, state.ErrIDMismatch),
		errors.Is(err, state.ErrInvalidID),
		errors.Is(err, state.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
