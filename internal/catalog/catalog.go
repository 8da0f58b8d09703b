package catalog

import (
	"log"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/model"
	"creditledger/pkg/crediterr"
)

// CreditTypeCatalog 积分类型目录
//
// 积分类型是只读参考数据，属于外部目录系统；账本这边只做查询，
// 不提供任何修改入口
type CreditTypeCatalog interface {
	GetByID(creditTypeID string) (*model.CreditType, error)
	GetByCode(code string) (*model.CreditType, error)
	List(onlyValid bool) []*model.CreditType
}

// ConfigCatalog 基于配置文件的目录实现
type ConfigCatalog struct {
	byID   map[string]*model.CreditType
	byCode map[string]*model.CreditType
	all    []*model.CreditType
}

func NewConfigCatalog(entries []config.CreditTypeConfig) *ConfigCatalog {
	c := &ConfigCatalog{
		byID:   map[string]*model.CreditType{},
		byCode: map[string]*model.CreditType{},
	}
	for _, e := range entries {
		policy := model.ExpirationPolicy(e.ExpirationPolicy)
		if policy == "" {
			policy = model.PolicyNeverExpire
		}
		if !policy.Valid() {
			log.Printf("[Catalog] 未知过期策略 %q，积分类型 %s 按永不过期处理", e.ExpirationPolicy, e.ID)
			policy = model.PolicyNeverExpire
		}
		ct := &model.CreditType{
			ID:               e.ID,
			Code:             e.Code,
			Name:             e.Name,
			UnitName:         e.UnitName,
			ExpirationPolicy: policy,
			ValidityDays:     e.ValidityDays,
			IsValid:          e.IsValid,
		}
		if e.ExpireDate != "" {
			d, err := time.ParseInLocation("2006-01-02", e.ExpireDate, time.Local)
			if err != nil {
				log.Printf("[Catalog] 积分类型 %s 的过期日期 %q 无法解析: %v", e.ID, e.ExpireDate, err)
			} else {
				ct.ExpireDate = &d
			}
		}
		c.byID[ct.ID] = ct
		c.byCode[ct.Code] = ct
		c.all = append(c.all, ct)
	}
	return c
}

func (c *ConfigCatalog) GetByID(creditTypeID string) (*model.CreditType, error) {
	ct, ok := c.byID[creditTypeID]
	if !ok {
		return nil, crediterr.CreditTypeNotFound(creditTypeID)
	}
	return ct, nil
}

func (c *ConfigCatalog) GetByCode(code string) (*model.CreditType, error) {
	ct, ok := c.byCode[code]
	if !ok {
		return nil, crediterr.CreditTypeNotFound(code)
	}
	return ct, nil
}

func (c *ConfigCatalog) List(onlyValid bool) []*model.CreditType {
	if !onlyValid {
		return c.all
	}
	var out []*model.CreditType
	for _, ct := range c.all {
		if ct.IsValid {
			out = append(out, ct)
		}
	}
	return out
}

// StaticCatalog 测试辅助：直接用给定的积分类型构建目录
func StaticCatalog(types ...*model.CreditType) *ConfigCatalog {
	c := &ConfigCatalog{
		byID:   map[string]*model.CreditType{},
		byCode: map[string]*model.CreditType{},
	}
	for _, ct := range types {
		c.byID[ct.ID] = ct
		c.byCode[ct.Code] = ct
		c.all = append(c.all, ct)
	}
	return c
}
