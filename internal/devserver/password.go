package devserver

import "golang.org/x/crypto/bcrypt"

type bcryptHasher struct {
	cost int
}

func (h bcryptHasher) hash(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.costOrDefault())
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (h bcryptHasher) compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

func (h bcryptHasher) costOrDefault() int {
	if h.cost >= bcrypt.MinCost {
		return h.cost
	}
	return bcrypt.DefaultCost
}
