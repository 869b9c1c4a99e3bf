package validators

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/filedav-server/internal/types"
	"github.com/filedav-server/internal/webdav/davxml"
)

// DefaultMaxValueLength 死属性值的默认长度上限
const DefaultMaxValueLength = 64 * 1024

// ValidationError 带 HTTP 状态码的校验失败
type ValidationError struct {
	Status    int
	Exception string
	Message   string
	// Rule 触发失败的规则名，由 CompositeValidator 填写
	Rule string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidationRule 单条 PROPPATCH 操作的校验规则
type ValidationRule interface {
	Validate(op davxml.PatchOp) error
	RuleName() string
}

// ProtectedPropertyRule 拒绝修改服务端计算的属性
type ProtectedPropertyRule struct{}

func (ProtectedPropertyRule) Validate(op davxml.PatchOp) error {
	if types.IsComputed(op.Name) {
		return &ValidationError{
			Status:    http.StatusForbidden,
			Exception: davxml.ExceptionForbidden,
			Message:   fmt.Sprintf("Property %s is protected", op.Name.Key()),
		}
	}
	return nil
}

func (ProtectedPropertyRule) RuleName() string { return "protected" }

// RequiredNameRule 属性名不能为空
type RequiredNameRule struct{}

func (RequiredNameRule) Validate(op davxml.PatchOp) error {
	if strings.TrimSpace(op.Name.Local) == "" {
		return &ValidationError{
			Status:    http.StatusBadRequest,
			Exception: davxml.ExceptionBadRequest,
			Message:   "Property name must not be empty",
		}
	}
	return nil
}

func (RequiredNameRule) RuleName() string { return "required-name" }

// StringLengthRule 限制 set 操作的值长度，remove 不受影响
type StringLengthRule struct {
	MaxLength int
}

func (r StringLengthRule) Validate(op davxml.PatchOp) error {
	if op.Remove || r.MaxLength <= 0 || len(op.Value) <= r.MaxLength {
		return nil
	}
	return &ValidationError{
		Status:    http.StatusRequestEntityTooLarge,
		Exception: davxml.ExceptionGeneric,
		Message:   fmt.Sprintf("Value of %s exceeds %d bytes", op.Name.Key(), r.MaxLength),
	}
}

func (StringLengthRule) RuleName() string { return "string-length" }

// CompositeValidator 依次执行规则，返回第一个失败
type CompositeValidator struct {
	rules []ValidationRule
}

func NewCompositeValidator(rules ...ValidationRule) *CompositeValidator {
	return &CompositeValidator{rules: rules}
}

func (cv *CompositeValidator) AddRule(rule ValidationRule) {
	cv.rules = append(cv.rules, rule)
}

func (cv *CompositeValidator) Validate(op davxml.PatchOp) error {
	for _, rule := range cv.rules {
		if err := rule.Validate(op); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) && verr.Rule == "" {
				verr.Rule = rule.RuleName()
			}
			return err
		}
	}
	return nil
}

// NewDefaultValidator 创建 PROPPATCH 使用的默认校验器。maxValueLength <= 0 时不限制值长度
func NewDefaultValidator(maxValueLength int) *CompositeValidator {
	cv := NewCompositeValidator(RequiredNameRule{}, ProtectedPropertyRule{})
	if maxValueLength > 0 {
		cv.AddRule(StringLengthRule{MaxLength: maxValueLength})
	}
	return cv
}
